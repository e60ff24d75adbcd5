// Package chat is the messaging core: the conversation directory, the message store and its
// status machine, derived unread accounting, and write-then-notify delivery fan-out.
//
// Persistence is reached only through Store, push delivery only through Notifier.
package chat
