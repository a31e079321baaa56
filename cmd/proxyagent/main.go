// proxyagent sends HTTP requests through a forward proxy that may require
// Basic or NTLM authentication, in plain or CONNECT tunnel mode.
//
// Usage:
//
//	# Fetch a URL through the proxy
//	proxyagent fetch --proxy http://proxy.corp:3128 https://example.com/
//
//	# Run a local relay for programs that cannot authenticate themselves
//	proxyagent relay --config proxy.yaml --listen 127.0.0.1:3128
//
//	# Show version information
//	proxyagent version
package main

func main() {
	Execute()
}
