package strategy

func init() {
	MustRegister(Metadata{
		Key:         StaleWhileRevalidate,
		Description: "Serve cached response immediately and refresh the namespace from the network in the background",
		ServesStale: true,
	})
	MustRegister(Metadata{
		Key:                NetworkFirst,
		Description:        "Prefer the network, fall back to the namespace, then to a synthesized offline response",
		SynthesizesOffline: true,
	})
}
