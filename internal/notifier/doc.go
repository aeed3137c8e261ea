// Package notifier tells the operator when posting goes wrong.
//
// Alerts watches the event bus for failed entries, failed logins and failed
// jobs, and hands each one to Service, which sends it to the alert chat
// through a transport Sender.
package notifier
