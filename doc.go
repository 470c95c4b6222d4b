// Package netconfd exposes the Go APIs behind a single-binary NETCONF-style
// configuration server. The server accepts management sessions over ssh (or
// plain tcp/unix sockets for development), binds each one to a backend
// datastore session, and coordinates exclusive running/startup/candidate
// locks across all of them.
//
// # Running a server
//
// The server listens on the transport specified by `Config.ListenProto`
// (default `ssh`) and address `Config.Listen`.
//
//	cfg := netconfd.Config{
//	    Store:              "disk:///var/lib/netconfd",
//	    Listen:             ":4830",
//	    ListenProto:        "ssh",
//	    HostKeyPath:        "/etc/netconfd/host_key",
//	    AuthorizedKeysPath: "/etc/netconfd/authorized_keys",
//	}
//	srv, err := netconfd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("netconfd: %v", err)
//	    }
//	}()
//	defer srv.Stop()
//
// # Lifecycle
//
// Start runs epochs. `srv.Restart()` drains every session, releases all
// datastore locks, closes the listener and initializes a fresh epoch without
// exiting the process; `srv.Stop()` drains and exits. The netconfd command
// maps SIGHUP/SIGUSR1 to Restart and SIGINT/SIGTERM to Stop.
//
// # Development transports
//
// For local work the ssh layer can be skipped: "tcp" and "unix" endpoints
// speak the same framed protocol, with the client naming its identity in the
// hello message instead of authenticating.
//
//	cfg := netconfd.Config{
//	    Store:       "mem://",
//	    ListenProto: "unix",
//	    Listen:      "/var/run/netconfd.sock",
//	}
//	srv, stop, err := netconfd.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// # Backends
//
// The `Config.Store` DSN selects the datastore engine: `mem://` keeps
// documents in process memory, `disk:///path` persists one YAML document per
// datastore with an exclusive directory lock.
package netconfd
