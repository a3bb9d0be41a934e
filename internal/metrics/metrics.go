package metrics

import "expvar"

var (
	DeploysOK     = expvar.NewInt("deploys_ok")
	DeploysFailed = expvar.NewInt("deploys_failed")
	Restarts      = expvar.NewInt("restarts")
	Stops         = expvar.NewInt("stops")
	PersistErrors = expvar.NewInt("persist_errors")
	// BotsRunning is refreshed by the registry on every status change.
	BotsRunning = expvar.NewInt("bots_running")
)
