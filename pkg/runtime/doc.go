/*
Package runtime wraps the two engines hearth needs for a deployment's
lifecycle: containerd for pulling images and running/stopping containers
on the shared bridge network, and the moby/docker client for Dockerfile
image builds (containerd alone has no BuildKit-driven Dockerfile build).

Both adapters share the "hearth" containerd namespace and the "hearth-"
managed name prefix; containers or images without that prefix are never
touched by this package or by the Container-GC worker that consults it.
*/
package runtime
