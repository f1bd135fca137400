package snapshot

import (
	"bytes"
	"encoding/json"

	"github.com/sells-group/listing-sync/internal/model"
)

// Counts are the best-effort object counts of a payload.
type Counts struct {
	Objects    int `json:"objects"`
	Projects   int `json:"projects"`
	Buildings  int `json:"buildings"`
	Apartments int `json:"apartments"`
}

// Count inspects body without decoding records. Objects is the total length
// of every top-level array (or of the root array). When hints are set only
// the hinted keys feed Projects, Buildings and Apartments; otherwise root
// keys are matched against the known collection names. Bodies that are not
// JSON give zero counts.
func Count(body []byte, sourceURL string, hints model.Hints) Counts {
	var c Counts
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return c
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return c
		}
		c.Objects = len(items)
		c.add(model.CollectionFromURL(sourceURL, hints), len(items))
		return c
	}

	var root map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &root); err != nil {
		return c
	}

	hinted := hints != (model.Hints{})
	for key, raw := range root {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '[' {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			continue
		}
		c.Objects += len(items)

		if hinted {
			c.addHinted(key, hints, len(items))
		} else {
			c.add(model.CollectionName(key, model.Hints{}), len(items))
		}
	}
	return c
}

func (c *Counts) add(coll string, n int) {
	switch coll {
	case model.CollBlocks:
		c.Projects += n
	case model.CollBuildings:
		c.Buildings += n
	case model.CollApartments:
		c.Apartments += n
	}
}

func (c *Counts) addHinted(key string, hints model.Hints, n int) {
	switch key {
	case hints.Projects:
		c.Projects += n
	case hints.Buildings:
		c.Buildings += n
	case hints.Apartments:
		c.Apartments += n
	}
}
