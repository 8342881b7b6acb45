// Package docker runs labs on a Docker daemon.
//
// Units are containers and networks are internal bridge networks. Every
// object carries the netlab labels, which are the only state the backend
// keeps: a later run rediscovers a lab by listing labeled objects.
//
// The package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - Translation of unit specs into container, host and networking
//     configuration, including interface naming through endpoint driver
//     options
//   - Classification of daemon errors into the model error kinds
//
// It uses github.com/docker/docker/client with API version negotiation.
package docker
