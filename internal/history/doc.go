// Package history keeps a journal of finished OTA update attempts.
//
// The orchestrator never reads it back: in-flight state is rebuilt from the
// bridge after a restart. The journal exists for operators, who query it
// through GET /api/v1/devices/{key}/history and GET /api/v1/history.
// Attempts older than the configured retention are pruned hourly.
//
// A Recorder observes orchestrator notices and turns every transition out of
// the updating state into one row of the ota_attempts table:
//
//	updating → succeeded   outcome "succeeded"
//	updating → failed      outcome "failed", terminal when retries ran out
//	updating → stalled     outcome "stalled"; a following stalled → failed
//	                       notice marks that row terminal
//
// Usage:
//
//	repo := history.NewSQLiteRepository(db.DB)
//	rec := history.NewRecorder(repo, log)
//	rec.SetRetention(90*24*time.Hour, nil)
//	orch.AddObserver(rec)
//	go rec.Run(ctx)
package history
