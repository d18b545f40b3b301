package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/isometry/ad-dirsync/internal/dirsync"
)

// jsonLines writes each delta as one JSON object per line.
type jsonLines struct {
	enc *json.Encoder
}

var _ dirsync.Handler = (*jsonLines)(nil)

func newJSONLines(w io.Writer) *jsonLines {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &jsonLines{enc: enc}
}

func (j *jsonLines) Handle(_ context.Context, delta *dirsync.Delta) error {
	if err := j.enc.Encode(delta); err != nil {
		return fmt.Errorf("write %s %s: %w", delta.Kind, delta.ID, err)
	}
	return nil
}
