// Package sandbox runs plugin code under hard resource and time ceilings.
//
// Two interpreters are provided: Starlark scripts and WebAssembly modules
// (via wazero). Neither exposes the filesystem, the environment or process
// control to plugin code. The only host functionality is gated by the
// capabilities declared in the plugin manifest:
//
//   - net:outbound allows HTTP to hosts on the service allowlist, further
//     narrowed by the plugin's own allowed_domains. Private, loopback and
//     link-local destinations are refused after DNS resolution.
//   - secrets:read allows reading the secrets attached to the request.
//
// Plugins live on disk as <dir>/<id>/<version>/manifest.yaml next to their
// code. Registry verifies checksums and resolves semantic version
// constraints; Watcher reloads a plugin when its files change.
package sandbox
