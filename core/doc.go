// Package core implements the actor runtime.
//
// Every Actor owns one OS thread, a message Queue and a poll.Multiplexer.
// Its loop blocks only in the multiplexer, with a timeout, and reacts to
// three control signals (terminate, wake-up, child-terminated) that are
// the sole way other goroutines reach it. Behaviour is supplied through
// Hooks; the ActorSystem is the explicit process context that registers
// live actors and collects their statistics.
//
// Lifecycle: Created → Running → Finishing → Finished. A parent stops its
// children depth-first and waits for each of them, still draining its own
// queue, before it reaches Finished itself.
package core
