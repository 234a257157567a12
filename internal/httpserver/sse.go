package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tokligence/taskd/internal/bus"
)

// writeSSE encodes one session message as a server-sent event.
func writeSSE(w io.Writer, msg bus.Message) error {
	var data any = map[string]time.Time{"at": msg.At}
	if msg.Event != nil {
		data = msg.Event.Payload
	}
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Name, body)
	return err
}
