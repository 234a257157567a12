package task

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/taskd/internal/provider"
)

// Uploader turns a provider output into a durable artifact record.
type Uploader interface {
	Upload(ctx context.Context, t Task, index int, out provider.Output) (Artifact, error)
}

// LinkUploader keeps provider URLs as the artifact location and inlines
// text outputs as data URIs. It does not copy media.
type LinkUploader struct{}

func (LinkUploader) Upload(_ context.Context, t Task, index int, out provider.Output) (Artifact, error) {
	a := Artifact{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		UserID:    t.UserID,
		Index:     index,
		Kind:      t.OutputKind,
		URI:       out.URI,
		Text:      out.Text,
		MimeType:  out.MimeType,
		CreatedAt: time.Now().UTC(),
		Metadata: map[string]string{
			"generator": t.Generator,
			"version":   t.Version,
		},
	}
	if a.URI == "" {
		if out.Text == "" {
			return Artifact{}, errors.New("task: output has neither uri nor text")
		}
		mime := out.MimeType
		if mime == "" {
			mime = "text/plain"
		}
		a.URI = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString([]byte(out.Text))
	}
	return a, nil
}

// materialize builds the artifacts and result string of a completed task
// according to its output kind. Text generators produce no artifacts.
func materialize(ctx context.Context, up Uploader, t Task, outputs []provider.Output) ([]Artifact, string, error) {
	if provider.OutputKind(t.OutputKind) == provider.OutputText {
		parts := make([]string, 0, len(outputs))
		for _, o := range outputs {
			if o.Text != "" {
				parts = append(parts, o.Text)
			} else if o.URI != "" {
				parts = append(parts, o.URI)
			}
		}
		return nil, strings.Join(parts, "\n"), nil
	}
	arts := make([]Artifact, 0, len(outputs))
	for _, o := range outputs {
		if o.URI == "" && o.Text == "" {
			continue
		}
		a, err := up.Upload(ctx, t, len(arts), o)
		if err != nil {
			return nil, "", err
		}
		arts = append(arts, a)
	}
	result := ""
	if len(arts) > 0 {
		result = arts[0].URI
	}
	return arts, result, nil
}
