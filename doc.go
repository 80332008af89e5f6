// Package intacctextractor extracts objects from the Sage Intacct REST API
// into one table per configured endpoint, with full and incremental loads.
//
// The extractor is built around two pieces:
//   - a token lifecycle manager that keeps the single-use, rotating OAuth2
//     refresh token consistent with persisted state across runs
//   - a pagination and watermark engine that turns paged query responses
//     into a bounded, resumable stream of records per object
//
// # Quick Start
//
// Describe the run in YAML:
//
//	authorization:
//	  id: ${INTACCT_AUTH_ID}
//	  app_key: ${INTACCT_APP_KEY}
//	  app_secret: ${INTACCT_APP_SECRET}
//	  data:
//	    refresh_token: ${INTACCT_REFRESH_TOKEN}
//	state:
//	  backend: file
//	  path: state
//	endpoints:
//	  - endpoint: accounts-payable/vendor
//	    destination:
//	      load_type: incremental_load
//	      primary_key: [key]
//
// Then run it:
//
//	intacct-extractor run --config config.yaml
//
// The configured refresh token is used once. Its rotated successor is stored
// in the state backend, and every later run reads the token from there.
//
// Programmatic use goes through internal/pipeline:
//
//	backend, _ := state.OpenBackend(ctx, cfg.State)
//	store, _ := state.NewStore(ctx, backend)
//	session := pipeline.NewSession(cfg, store)
//	defer session.Close()
//
//	runner, _ := pipeline.NewRunner(session)
//	report, err := runner.Run(ctx)
//
// # Key Packages
//
//	pkg/auth         - Token lifecycle manager and OAuth2 refresher
//	pkg/intacct      - Object API client (list, describe, query)
//	pkg/pagination   - Lazy, restartable page sequence
//	pkg/incremental  - Lower bound planning, watermark tracking, checkpoints
//	pkg/state        - Persisted credentials and per-object progress
//	pkg/output       - CSV/JSONL tables, manifests, compression, upload
//	pkg/retry        - Exponential backoff with jitter
//	pkg/errors       - Typed errors and exit code classification
//	pkg/config       - YAML configuration with ${VAR} substitution
//
// # State Backends
//
// Credentials and watermarks live in one versioned document, stored in a
// local directory (file), a SQLite database, Redis or PostgreSQL.
//
// # Exit Codes
//
//	0  every object succeeded
//	1  configuration, credential or upstream failure
//	2  internal failure
package intacctextractor
