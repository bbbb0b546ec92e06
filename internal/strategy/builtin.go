package strategy

// DefaultRegistry 注册全部内置策略。
func DefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	for _, def := range []Definition{
		SMACrossDefinition(),
		RSIReversionDefinition(),
		BreakoutDefinition(),
	} {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}
