package realtime

import (
	"context"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wireConn is the minimal transport the Session depends on. Tests inject a
// fake implementation instead of dialing a real socket; production uses
// wsConn, grounded on the teacher's pkg/providers/tts/lokutor.go dial/
// read/write loop.
type wireConn interface {
	WriteJSON(ctx context.Context, v interface{}) error
	ReadJSON(ctx context.Context) ([]byte, error)
	Close(reason string) error
}

// Dialer opens a new wireConn to the remote voice API. Production code
// uses DialWebsocket; tests substitute a fake that never touches the
// network.
type Dialer func(ctx context.Context, endpoint, apiKey string) (wireConn, error)

// wsConn adapts a *websocket.Conn to wireConn.
type wsConn struct {
	conn *websocket.Conn
}

// DialWebsocket is the production Dialer: it dials the remote voice API
// over a duplex websocket, passing apiKey as a query parameter exactly as
// the teacher's LokutorTTS.getConn does.
func DialWebsocket(ctx context.Context, endpoint, apiKey string) (wireConn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("api_key", apiKey)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

func (w *wsConn) WriteJSON(ctx context.Context, v interface{}) error {
	return wsjson.Write(ctx, w.conn, v)
}

func (w *wsConn) ReadJSON(ctx context.Context) ([]byte, error) {
	typ, payload, err := w.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, nil
	}
	return payload, nil
}

func (w *wsConn) Close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}
