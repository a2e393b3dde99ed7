// Package dispatch runs one publisher process per job and classifies how it
// ended.
//
// A publisher is either a script run by an external runtime (handler kind
// "node") or an executable run directly ("exec"). The runtime binary is found
// by a Resolver: an ordered list of strategies (explicit path, environment
// variable, common install paths, PATH scan), each candidate confirmed with a
// "--version" probe. The first working binary is cached for the life of the
// Resolver.
//
// Protocol:
//   - The job descriptor is passed as JSON in BACKPOST_JOB, with
//     BACKPOST_JOB_ID and BACKPOST_JOB_UUID alongside
//   - stdout and stderr are streamed line by line into a transcript under
//     <data_dir>/logs/jobs
//   - The last non-empty stdout line is the result object
//
// Termination:
//   - The child runs in its own process group
//   - On hard timeout or context cancellation the group gets SIGTERM, then
//     SIGKILL after the grace period
//   - Cooperative cancellation arrives as context cancellation; see
//     queue.WatchCancel
//
// Classification codes:
//   - NODE_BINARY_NOT_FOUND: no runtime candidate answered the probe
//   - PROC_OPEN_FAILED: the process could not be started
//   - NODE_TIMEOUT: hard timeout hit
//   - CANCELLED: context cancelled before exit
//   - NODE_RETURN_EMPTY / INVALID_JSON: protocol violations
//   - publisher error code, or NETWORK_ERROR when ok=false names none
package dispatch
