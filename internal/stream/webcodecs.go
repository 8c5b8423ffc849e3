package stream

import (
	"context"
	"encoding/binary"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"trafficmon/internal/pipeline"
)

// Frame types in the binary header
const (
	FrameRaw       byte = 0
	FrameAnnotated byte = 1
)

// HeaderSize is the binary frame header: 1 byte type + 8 bytes sequence + 4 bytes length
const HeaderSize = 13

var webCodecsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 256 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EncodeFrame packs an output into a binary WebSocket message
func EncodeFrame(out *pipeline.Output) []byte {
	msg := make([]byte, HeaderSize+len(out.JPEG))
	msg[0] = FrameRaw
	if out.Annotated {
		msg[0] = FrameAnnotated
	}
	binary.BigEndian.PutUint64(msg[1:9], out.Seq)
	binary.BigEndian.PutUint32(msg[9:13], uint32(len(out.JPEG)))
	copy(msg[HeaderSize:], out.JPEG)
	return msg
}

// ServeVideoSocket pushes every new output frame over a WebSocket as a
// binary message for browser-side WebCodecs decoding
func (s *Server) ServeVideoSocket(w http.ResponseWriter, r *http.Request) {
	id, slot, ok := s.lookup(w, r)
	if !ok {
		return
	}

	conn, err := webCodecsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WebCodecs] Upgrade error: %v", err)
		return
	}
	defer conn.Close()

	n := s.videoClients.Add(1)
	defer s.videoClients.Add(-1)
	log.Printf("[WebCodecs] Client connected to %s from %s (%d clients)", id, r.RemoteAddr, n)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readPump(conn, cancel)
	go pingLoop(ctx, conn)

	var after uint64
	for {
		out, version, ok := slot.Wait(ctx, after)
		if !ok {
			if ctx.Err() == nil {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
					time.Now().Add(time.Second))
			}
			break
		}
		after = version
		if out == nil {
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(out)); err != nil {
			break
		}
	}
	log.Printf("[WebCodecs] Client disconnected from %s", id)
}

// pingLoop keeps idle connections inside the read deadline
func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}

// readPump consumes client messages so pongs and close frames are handled,
// cancelling the writer once the connection drops
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	}
}
