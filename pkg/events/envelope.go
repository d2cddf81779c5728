package events

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Envelope is the wire shape of one pushed unit: a named event plus its JSON payload.
type Envelope struct {
	ID    string         `json:"id"`
	Event EventType      `json:"event"`
	Data  ExecutionEvent `json:"data"`
}

// WriteSSE encodes the envelope as a server-sent event frame.
func (e Envelope) WriteSSE(w io.Writer) error {
	payload, err := json.Marshal(e.Data)
	if err != nil {
		return errors.Wrap(err, "marshal execution event")
	}
	if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Event, payload); err != nil {
		return errors.Wrap(err, "write sse frame")
	}
	return nil
}
