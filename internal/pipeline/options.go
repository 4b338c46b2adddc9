package pipeline

// Job options arrive typed from the CLI and as decoded JSON from the HTTP API,
// so numeric values may be int, float64 or a []any of float64.

func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

func optBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

func optFloat(opts map[string]any, key string, def float64) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

func optFloats(opts map[string]any, key string) []float64 {
	switch v := opts[key].(type) {
	case []float64:
		return v
	case []any:
		out := make([]float64, 0, len(v))
		for _, x := range v {
			f, ok := x.(float64)
			if !ok {
				return nil
			}
			out = append(out, f)
		}
		return out
	default:
		return nil
	}
}
