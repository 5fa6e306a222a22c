// Package resolver provides the host name resolvers owned by client bootstraps.
//
// Key Components:
//
//   - IHostResolver: The resolver contract. Resolution is blocking and
//     context aware; bootstraps call it off-loop and deliver the outcome
//     through the connect completion callback.
//
//   - NewSystemResolver: Uses the platform resolver (net.DefaultResolver).
//
//   - NewDNSResolver: Queries an explicit nameserver for A and AAAA records
//     using github.com/miekg/dns, independent of the platform configuration.
//
//   - NewCachingResolver: Wraps another resolver with an LRU cache
//     (github.com/hashicorp/golang-lru) whose entries expire after a TTL.
package resolver
