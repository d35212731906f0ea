package custody

import "encoding/json"

// cacheFile mirrors the on-disk cache schema: a JSON document with
// "parameters", "graph", and "meta" sections. Go's encoding/json already
// sorts map[string]... keys when marshaling, so no custom key-ordering
// logic is required to keep serialization deterministic across runs.
type cacheFile struct {
	Parameters map[string]string `json:"parameters"`
	Graph      Graph             `json:"graph"`
	Meta       MetaStore         `json:"meta"`
}

// wireFile is the exact JSON shape, with Meta flattened to [kind, meta]
// pairs: `"meta": { "<key>": [ "<kind>", {...} ] }`.
type wireFile struct {
	Parameters map[string]string `json:"parameters"`
	Graph      Graph             `json:"graph"`
	Meta       map[string][2]any `json:"meta"`
}

func encodeCacheFile(f cacheFile) ([]byte, error) {
	w := wireFile{
		Parameters: f.Parameters,
		Graph:      f.Graph,
		Meta:       make(map[string][2]any, len(f.Meta)),
	}
	for key, entry := range f.Meta {
		w.Meta[key] = [2]any{entry.Kind, entry.Meta}
	}
	return json.MarshalIndent(w, "", "  ")
}

func decodeCacheFile(data []byte) (cacheFile, error) {
	var w wireFile
	if err := json.Unmarshal(data, &w); err != nil {
		return cacheFile{}, err
	}

	meta := make(MetaStore, len(w.Meta))
	for key, pair := range w.Meta {
		kind, _ := pair[0].(string)
		metaMap, _ := pair[1].(map[string]any)
		meta[key] = &Entry{Kind: kind, Key: key, Meta: metaMap}
	}

	return cacheFile{
		Parameters: w.Parameters,
		Graph:      w.Graph,
		Meta:       meta,
	}, nil
}
