/*
Package dnspin keeps a DNS hostname pointed at the public IP address of the
machine it runs on.

Usage will always start with [New],
which returns a *[Client].
New requires the hostname to manage and a [Provider] implementation for a DNS provider.
Additional client configuration options are listed in the docs for New.

Each call to [Client.Run] performs one reconciliation pass per enabled
address family: the current public address is discovered,
the provider's records for the hostname are listed,
and a record is created or rewritten only when it disagrees.
A pass that finds the record already correct writes nothing,
so running from cron or a timer loop is safe.
*/
package dnspin
