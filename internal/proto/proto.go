package proto

// Handoff is what a secondary launch passes to the primary instance.
type Handoff struct {
	// Args are the launch arguments, without the program name.
	Args []string
	// Cwd is the working directory the secondary launch was started in.
	Cwd string
}
