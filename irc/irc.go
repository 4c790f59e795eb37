// Package irc holds what every part of the daemon shares: RFC 1459 case
// mapping and mask matching, nick, channel, SID and UID validation, the
// numeric reply codes and the typed errors.
//
// The daemon itself is split into subpackages:
//
//   - wire parses and formats protocol lines.
//   - state is the registry of servers, users and channels.
//   - access evaluates K, D, G, I, O, U and A-lines.
//   - class counts connections per connection class.
//   - ts6 links servers and keeps the registry in sync across them.
//   - server accepts sockets and runs client commands.
//   - store persists runtime lines; admind serves the HTTP admin API.
package irc
