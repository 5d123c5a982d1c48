// Package async provides goroutine helpers with panic recovery and timeouts.
//
// SafeGo runs a single fire-and-forget task. WorkerPool runs tasks on a fixed
// set of workers behind a bounded queue; the analytics emitter uses it so a
// slow collector never delays webhook acknowledgement.
package async
