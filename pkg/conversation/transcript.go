package conversation

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Transcript is the on-disk form of a finished turn, written by `reactd run --transcript`.
type Transcript struct {
	SessionID string       `yaml:"session_id"`
	TurnID    string       `yaml:"turn_id"`
	Outcome   string       `yaml:"outcome,omitempty"`
	Final     string       `yaml:"final,omitempty"`
	Messages  Conversation `yaml:"messages"`
}

func (t *Transcript) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		return errors.Wrap(err, "encode transcript")
	}
	return errors.Wrap(enc.Close(), "flush transcript")
}

func (t *Transcript) SaveToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer func() {
		_ = f.Close()
	}()
	return t.WriteYAML(f)
}

func ReadTranscript(r io.Reader) (*Transcript, error) {
	var t Transcript
	if err := yaml.NewDecoder(r).Decode(&t); err != nil {
		return nil, errors.Wrap(err, "decode transcript")
	}
	return &t, nil
}

func LoadTranscriptFromFile(path string) (*Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() {
		_ = f.Close()
	}()
	return ReadTranscript(f)
}
