package domain

import "context"

// ContainerRunner executes untrusted code for the code.run job in a
// throwaway container.
type ContainerRunner interface {
	// Run executes code with the interpreter for language and returns the
	// combined stdout and stderr. A non-zero exit is reported as an error
	// alongside whatever output was produced.
	Run(ctx context.Context, code string, language string) (string, error)
}
