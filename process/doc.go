/*
Package process starts child processes and turns their termination into a future.

Go cannot fork a running program, so a child is started by re-executing the current binary. Code that runs in
children is registered by name with Register, and main must call Init before doing anything else:

	func main() {
		process.Register("hello", func(ctx context.Context) int {
			fmt.Println("hello from", os.Getpid())
			return 0
		})
		if process.Init() {
			return
		}

		sup := process.NewSupervisor()
		rt, err := sup.Spawn("hello", process.SpawnOptions{})
		...
		code, err := rt.Await(ctx)
	}

The Supervisor reaps children when it receives SIGCHLD. Each child gets exactly one exit future, which resolves
with the exit code when the child exits normally, and is rejected with an *AbnormalExitError when it was killed by a
signal or a *WaitError when its status could not be collected. The child is forgotten before any continuation runs.

Connections passed in SpawnOptions.Conns are inherited by the child, which retrieves them with Conn.

On platforms without process control, Spawn runs the entry in a goroutine of the current process and the Runtime
refers to the current process.
*/
package process
