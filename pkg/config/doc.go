// Package config loads the extractor's YAML configuration.
//
// # Environment Variable Substitution
//
// Secrets should not live in the file. Any ${VAR_NAME} occurrence is replaced
// with the environment value before parsing:
//
//	authorization:
//	  id: cred-7f3a
//	  app_key: ${INTACCT_APP_KEY}
//	  app_secret: ${INTACCT_APP_SECRET}
//
// # Endpoints
//
// Endpoints are processed in the order they are listed. Each one names an
// upstream object and how it is loaded:
//
//	endpoints:
//	  - endpoint: accounts-payable/vendor
//	    initial_since: 2024-01-01
//	    destination:
//	      load_type: incremental_load
//	      incremental_field: WHENMODIFIED
//	      primary_key: [key]
//	  - endpoint: general-ledger/account
//	    destination:
//	      load_type: full_load
//
// # Validation
//
// LoadFile validates the document and returns a config error before any
// network call is made: unknown load types, incremental settings on a full
// load, unparseable initial_since values and duplicate objects or tables are
// all rejected.
package config
