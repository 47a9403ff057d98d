package config

import (
	"os"
	"sync"
)

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker reports whether the process runs inside a container.
// ASKDB_IN_DOCKER=true|false overrides detection; otherwise the presence of
// /.dockerenv decides. The result is cached after the first call.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		switch os.Getenv("ASKDB_IN_DOCKER") {
		case "true", "1":
			isDockerResult = true
			return
		case "false", "0":
			isDockerResult = false
			return
		}
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveHostForDocker maps loopback datasource hosts to host.docker.internal
// when running in a container, so a user can connect to a database on the
// machine hosting the container. Other hosts are returned unchanged.
func ResolveHostForDocker(host string) string {
	if !IsRunningInDocker() {
		return host
	}
	return rewriteLoopback(host)
}

func rewriteLoopback(host string) string {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return "host.docker.internal"
	}
	return host
}
