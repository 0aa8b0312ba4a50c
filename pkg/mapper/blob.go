package mapper

import (
	"github.com/ghodss/yaml"

	"github.com/syncbox/syncbox/pkg/errors"
)

// The wire protocol carries aggregated views (mappings, user lists,
// receiver lists) as opaque serialized blobs. Both peers of the same
// build use the same encoding as the persisted state files, so what's on
// the wire and what's on disk are one format.

// Marshal serializes the owner view for the wire.
func (o Owner) Marshal() ([]byte, error) {
	contents, err := yaml.Marshal(o)
	if err != nil {
		return nil, errors.WithContext(err, "marshal owner")
	}
	return contents, nil
}

// UnmarshalOwner parses a wire blob back into an owner view.
func UnmarshalOwner(contents []byte) (Owner, error) {
	var owner Owner
	if err := yaml.Unmarshal(contents, &owner); err != nil {
		return Owner{}, errors.WithContext(err, "parse owner")
	}
	return owner, nil
}

// MarshalNames serializes a list of usernames for the wire.
func MarshalNames(names []string) ([]byte, error) {
	contents, err := yaml.Marshal(names)
	if err != nil {
		return nil, errors.WithContext(err, "marshal names")
	}
	return contents, nil
}

// UnmarshalNames parses a wire blob back into a list of usernames.
func UnmarshalNames(contents []byte) ([]string, error) {
	var names []string
	if err := yaml.Unmarshal(contents, &names); err != nil {
		return nil, errors.WithContext(err, "parse names")
	}
	return names, nil
}
