package vars

// Combine deep-merges src into dst and returns a new mapping; neither input
// is mutated. Nested mappings merge recursively, scalar and list values from
// src replace those in dst. This is the only deep-merge path in the store.
func Combine(dst, src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		srcMap, srcOK := v.(map[string]interface{})
		dstMap, dstOK := out[k].(map[string]interface{})
		if srcOK && dstOK {
			out[k] = Combine(dstMap, srcMap)
			continue
		}
		out[k] = v
	}
	return out
}
