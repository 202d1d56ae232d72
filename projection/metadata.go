package projection

import (
	"encoding/json"

	"github.com/foldrun/projector-go/projection/store"
)

// tagMetadata is the JSON shape stamped into an emitted event's
// metadata so a later recovery pass can recognize the tag that caused
// it, per spec.md §6 ("each event written by this runtime carries its
// caused_by_tag in metadata").
type tagMetadata struct {
	Commit  int64            `json:"commit"`
	Prepare int64            `json:"prepare"`
	Streams map[string]int64 `json:"streams,omitempty"`
}

func encodeTagMetadata(tag CheckpointTag) []byte {
	data, err := json.Marshal(tagMetadata{
		Commit:  tag.Position.Commit,
		Prepare: tag.Position.Prepare,
		Streams: tag.Streams,
	})
	if err != nil {
		return nil
	}
	return data
}

func decodeTagMetadata(raw []byte) (CheckpointTag, bool) {
	if len(raw) == 0 {
		return CheckpointTag{}, false
	}
	var m tagMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return CheckpointTag{}, false
	}
	return CheckpointTag{
		Position: store.Position{Commit: m.Commit, Prepare: m.Prepare},
		Streams:  m.Streams,
	}, true
}
