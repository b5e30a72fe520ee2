/*
Package worker keeps pools of replica processes running and exchanges commands with them.

A pool is described by a Worker. The Manager starts Count replicas of it by re-executing the current binary, each
connected to the manager by a socket pair carrying framed JSON commands. When a replica exits it is restarted after a
delay that doubles from 100ms up to 30s, until it has been restarted 10 times. A replica whose Boot hook fails exits
with ExitBootFailure and is not restarted.

Every Worker must be registered with RegisterChild before process.Init runs:

	func main() {
		w := &worker.Funcs{WorkerName: "hello", Replicas: 2, BootFunc: boot}
		worker.RegisterChild(w)
		if process.Init() {
			return
		}

		sup := process.NewSupervisor(process.WithShutdownSignals())
		m := worker.NewManager(sup)
		m.Add(w)
		m.Run(ctx)
	}

Replicas talk back with Child.Send, or Child.Request when they need an answer from a Handler installed with
Manager.Handle.
*/
package worker
