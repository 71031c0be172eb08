package cache

import "encoding/json"

// DefaultNamespace prefixes every L2 key so cache entries never collide with
// unrelated keys in the shared store.
const DefaultNamespace = "coherence:cache"

// Key derives the canonical cache key for a parameter value. Parameters are
// serialized as canonical JSON: map keys are emitted in sorted order, so
// equal maps built in different insertion orders always produce the same
// key. Struct fields serialize in declaration order, which is stable per
// type. Non-serializable parameters surface as ordinary errors.
func Key(param any) (string, error) {
	data, err := json.Marshal(param)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *Engine) nsKey(key string) string {
	return e.namespace + ":" + key
}
