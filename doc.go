// Package privaxy implements the administrative control plane for the
// privaxy intercepting proxy.
//
// The control plane lets a companion web UI observe the proxy's live
// activity and mutate its configuration while the proxy keeps running. It
// is made of a small number of cooperating pieces:
//
//   - BlockingStore and ExclusionStore hold process-wide state shared with
//     the proxy engine's per-request hot path (a single atomic toggle and a
//     snapshot-swapped exclusion set).
//   - Broadcaster fans live telemetry out to any number of WebSocket
//     subscribers on two independent topics, events and statistics.
//   - ConfigurationManager serializes every configuration mutation behind a
//     single save lock: validate, mutate in memory, persist to disk, then
//     hand the new configuration to the proxy engine over a capacity-one
//     channel.
//   - Server exposes the HTTP/WebSocket admin API, and WebGUIHandler serves
//     the bundled frontend with the API address substituted into
//     index.html.
//
// Basic usage:
//
//	settings, err := privaxy.LoadSettings("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ca, err := privaxy.LoadOrGenerateCA(settings.CA.CertPath, settings.CA.KeyPath, settings.CA.Organization)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	manager, err := privaxy.NewConfigurationManager(settings.ConfigurationPath, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	events := privaxy.NewBroadcaster[privaxy.Event]()
//	statistics := privaxy.NewBroadcaster[privaxy.Statistics]()
//	srv := privaxy.NewServer(manager, privaxy.NewBlockingStore(), events, statistics, ca.CertificatePEM())
//	log.Fatal(http.ListenAndServe(settings.API.Bind, srv))
package privaxy
