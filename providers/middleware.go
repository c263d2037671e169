package providers

// Middleware decorates a Provider.
type Middleware func(Provider) Provider

// Chain applies middlewares to p. The first middleware is the outermost, so
// Chain(p, a, b) returns a(b(p)).
func Chain(p Provider, mws ...Middleware) Provider {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			p = mws[i](p)
		}
	}
	return p
}

// Unwrapper is implemented by middleware providers.
type Unwrapper interface {
	Unwrap() Provider
}

// Innermost returns the undecorated provider beneath any middleware.
func Innermost(p Provider) Provider {
	for {
		u, ok := p.(Unwrapper)
		if !ok {
			return p
		}
		p = u.Unwrap()
	}
}

// wrapped is embedded by middleware providers; it forwards the descriptive
// methods and exposes the inner provider.
type wrapped struct {
	Provider
}

func (w wrapped) Unwrap() Provider {
	return w.Provider
}
