package contract

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

// ConflictError is returned when a pact file already holds a different
// interaction with the same description.
type ConflictError struct {
	Path        string
	Description string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already contains a different interaction described as '%s'", e.Path, e.Description)
}

// FileName is the conventional pact file name for a consumer/provider pair.
func FileName(consumer, provider string) string {
	return fmt.Sprintf("%s-%s.json", fileNamePart(consumer), fileNamePart(provider))
}

func fileNamePart(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "_")
}

// WriteFile writes c into dir, merging with any pact file already present for
// the same consumer and provider. New interactions are appended after the
// existing ones and identical interactions are skipped. It returns the path
// written.
func WriteFile(dir string, c Contract) (string, error) {
	data, err := Write(c)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName(c.Consumer, c.Provider))

	existing, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", errors.Wrapf(err, "unable to create pact directory %s", dir)
		}
	case err != nil:
		return "", errors.Wrapf(err, "unable to read %s", path)
	default:
		if data, err = merge(path, existing, data); err != nil {
			return "", err
		}
	}

	if err := os.WriteFile(path, pretty.Pretty(data), 0o644); err != nil {
		return "", errors.Wrapf(err, "unable to write %s", path)
	}
	log.WithFields(log.Fields{
		"path":         path,
		"interactions": gjson.GetBytes(data, "interactions.#").Int(),
	}).Info("pact file written")
	return path, nil
}

func merge(path string, existing, incoming []byte) ([]byte, error) {
	if !gjson.ValidBytes(existing) {
		return nil, errors.Errorf("%s is not valid JSON", path)
	}
	for _, key := range []string{"consumer.name", "provider.name"} {
		have, want := gjson.GetBytes(existing, key).String(), gjson.GetBytes(incoming, key).String()
		if have != want {
			return nil, errors.Errorf("%s has %s '%s', expected '%s'", path, key, have, want)
		}
	}

	known := make(map[string]string)
	gjson.GetBytes(existing, "interactions").ForEach(func(_, value gjson.Result) bool {
		known[value.Get("description").String()] = value.Raw
		return true
	})

	merged := existing
	if !gjson.GetBytes(existing, "interactions").IsArray() {
		var err error
		if merged, err = sjson.SetRawBytes(merged, "interactions", []byte("[]")); err != nil {
			return nil, errors.Wrapf(err, "unable to update %s", path)
		}
	}

	for _, interaction := range gjson.GetBytes(incoming, "interactions").Array() {
		description := interaction.Get("description").String()
		if raw, ok := known[description]; ok {
			if !bytes.Equal(canonical(raw), canonical(interaction.Raw)) {
				return nil, &ConflictError{Path: path, Description: description}
			}
			log.Debugf("interaction '%s' already in %s", description, path)
			continue
		}

		var err error
		merged, err = sjson.SetRawBytes(merged, "interactions.-1", []byte(interaction.Raw))
		if err != nil {
			return nil, errors.Wrapf(err, "unable to append '%s' to %s", description, path)
		}
		known[description] = interaction.Raw
	}
	return merged, nil
}

// canonical strips formatting and orders keys so documents can be compared.
func canonical(raw string) []byte {
	return pretty.Ugly(pretty.PrettyOptions([]byte(raw), &pretty.Options{SortKeys: true}))
}
