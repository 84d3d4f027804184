package helpers

func DefaultInt64(v *int64, def int64) int64 {
	if v == nil {
		return def
	}

	return *v
}
