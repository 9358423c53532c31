// Package solo keeps a single instance of an application running per user
// session, and forwards the arguments of every later launch to it.
//
// Every launch derives a channel name from its application identifier and
// version, then races to own that channel. Versions that are compatible by
// semver (same major for 1.x and up, same minor for 0.x, same patch for 0.0.x)
// share a channel; incompatible builds never see each other.
//
// The winner becomes the primary instance and keeps accepting handoffs on the
// channel until it exits. Every loser is a secondary launch: it sends its
// arguments and working directory to the primary and exits before doing any
// further startup work. If the primary exits between the race and the
// handoff, the secondary retries the race once.
//
// How a channel is owned is platform specific:
//
//   - Linux binds an abstract unix socket, which the kernel frees when the
//     owner exits.
//   - macOS and other unix systems take an exclusive flock on a lock file and
//     accept on a unix socket next to it.
//   - Windows creates a named mutex and accepts on a named pipe.
//
// Typical use, first thing in main:
//
//	solo.Init("com.example.editor", version, func(args []string, cwd string, focus func()) {
//		openFiles(cwd, args)
//		focus()
//	}, solo.WithFocus(raiseMainWindow))
package solo
