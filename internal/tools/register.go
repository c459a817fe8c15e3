package tools

// RegisterAll adds the built-in tools to the registry. Called from main
// after registry creation, before the first turn.
func RegisterAll(reg *Registry) error {
	for _, spec := range []Spec{
		WeatherSpec(),
		CalendarSpec(),
	} {
		if err := reg.Register(spec); err != nil {
			return err
		}
	}
	return nil
}
