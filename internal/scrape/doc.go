// Package scrape defines the domain types shared by the relay stage: tasks
// pulled from the input queue, tagged fetch results, the wire records written
// to the output queues, and the collaborator interfaces the worker is built on.
package scrape
