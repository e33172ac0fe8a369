package opt

// ChainProgress combines observers into one ProgressFunc. They run in order
// and the first non-nil error is returned; nil entries are skipped.
func ChainProgress(fns ...ProgressFunc) ProgressFunc {
	var active []ProgressFunc
	for _, fn := range fns {
		if fn != nil {
			active = append(active, fn)
		}
	}
	if len(active) == 0 {
		return nil
	}
	return func(p Progress) error {
		for _, fn := range active {
			if err := fn(p); err != nil {
				return err
			}
		}
		return nil
	}
}
