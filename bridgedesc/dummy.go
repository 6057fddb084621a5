package bridgedesc

// DummyMethod returns a method description which assumes that both sides stream messages.
// It is used when the actual shape of the method is unknown, such as when proxying raw frames,
// since any method can be invoked as a duplex stream on the wire.
func DummyMethod(service, name string) *Method {
	return &Method{
		Service:         service,
		Name:            name,
		ClientStreaming: true,
		ServerStreaming: true,
	}
}
