package provider

import "strings"

type Registry struct {
	byCode map[int32]Adapter
	byName map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	byCode := make(map[int32]Adapter, len(adapters))
	byName := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		byCode[a.Code()] = a
		byName[strings.ToLower(a.Name())] = a
	}
	return &Registry{byCode: byCode, byName: byName}
}

func (r *Registry) Get(code int32) (Adapter, error) {
	adapter, ok := r.byCode[code]
	if !ok {
		return nil, ErrProviderNotSupported
	}
	return adapter, nil
}

func (r *Registry) GetByName(name string) (Adapter, error) {
	adapter, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrProviderNotSupported
	}
	return adapter, nil
}
