// Package kalamari implements a filtering forward proxy for HTTP and
// HTTPS traffic. Requests are parsed directly off the client socket,
// checked against a client ACL and three hot-swappable rulesets
// (blacklist, whitelist, cache redirect), and then relayed to the
// origin. HTTPS CONNECT tunnels are intercepted: the proxy issues a
// leaf certificate for the requested host on the fly, signed by a
// local CA, and applies the same filtering to the decrypted stream.
//
// # Basic Proxy
//
// Create the certificate manager, rule engine, and ACL, then serve:
//
//	certs, err := kalamari.NewCertManager("rootCA.crt", "rootCA.key")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	acl, err := kalamari.NewACL([]string{"192.168.1.0/24", "127.0.0.0/8"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine := kalamari.NewEngine()
//	proxy := kalamari.NewProxy(":8080", acl, engine, certs)
//	log.Fatal(proxy.ListenAndServe())
//
// # Rulesets
//
// Rules live in JSON documents with "domain", "path", and "misc"
// pattern arrays; any other string-valued key is a cache redirect
// entry mapping a match pattern to a replacement target:
//
//	{
//	    "domain": ["ads.example.com"],
//	    "path": [".*/banners/.*"],
//	    "misc": [],
//	    ".*cdn\\.example\\.com/pkg/(.*)": "mirror.internal:8080/pkg/$1"
//	}
//
// Documents are fetched by a [Refresher] from URL, file, or postgres
// sources and published to the [Engine] as one atomic snapshot, so a
// request never observes a half-updated ruleset:
//
//	refresher := &kalamari.Refresher{
//	    Engine:    engine,
//	    Blacklist: kalamari.NewURLSource("https://lists.example.com/blacklist.json"),
//	    Whitelist: kalamari.NewURLSource("https://lists.example.com/whitelist.json"),
//	    Cachelist: kalamari.NewFileSource("/etc/kalamari/cache.json"),
//	    Interval:  12 * time.Hour,
//	}
//	refresher.Reload(ctx)
//	cancel := refresher.Start(ctx)
//	defer cancel()
//
// File sources reload immediately when the file changes, and SIGHUP
// forces a reload of all three lists. A non-positive Interval disables
// the periodic loop; the watcher and signal paths stay active.
//
// # TLS Interception
//
// CONNECT requests are answered locally. The proxy completes a TLS
// handshake with the client using a generated certificate carrying
// wildcard SANs for the requested host, then parses and filters the
// decrypted requests exactly like plain HTTP. Generate a CA pair to
// install on clients:
//
//	certPEM, keyPEM, err := kalamari.GenerateCA("My Organization", 10)
//	certs, err := kalamari.NewCertManagerFromPEM(certPEM, keyPEM)
//
// # Prometheus Metrics
//
//	metrics := kalamari.NewMetrics()
//	proxy.Metrics = metrics
//	http.Handle("/metrics", metrics.Handler())
//
// # Admin API
//
// An [AdminServer] serves /metrics, /healthz, /readyz, and a JSON API
// for inspecting the loaded rulesets and triggering reloads on a
// separate listener:
//
//	admin := kalamari.NewAdminServer(proxy)
//	admin.Refresher = refresher
//	go http.ListenAndServe(":9090", admin)
//
// # Structured Access Log
//
// Write one JSON access log entry per proxied request:
//
//	f, _ := os.OpenFile("access.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
//	proxy.AccessLog = kalamari.NewAccessLogger(slog.New(slog.NewJSONHandler(f, nil)))
//
// # Configuration
//
// Load configuration from YAML, JSON, or TOML files with environment
// variable overrides (KALAMARI_ prefix):
//
//	cfg, err := kalamari.LoadConfig("kalamari.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Graceful Shutdown
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	if err := proxy.Shutdown(ctx); err != nil {
//	    log.Printf("shutdown error: %v", err)
//	}
package kalamari
