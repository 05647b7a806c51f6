package dispatch

// Merged decision parameters arrive as map[string]any with JSON-decoded
// values. These accessors tolerate the numeric spread (float64 from JSON,
// int from merge arithmetic) so executors stay terse.

func pstr(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func pnum(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func pint(params map[string]any, key string, def int) int {
	if n, ok := pnum(params, key); ok {
		return int(n)
	}
	return def
}

func pbool(params map[string]any, key string) bool {
	b, _ := params[key].(bool)
	return b
}

func pstrs(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		if ss, ok := params[key].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func pmap(params map[string]any, key string) map[string]any {
	m, _ := params[key].(map[string]any)
	return m
}
