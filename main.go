// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("offsync - Offline-First Ledger Synchronization")
	fmt.Println("==============================================")
	fmt.Println()
	fmt.Println("offsync keeps local SQLite replicas on intermittently connected devices in step")
	fmt.Println("with an authoritative PostgreSQL change ledger. Devices queue mutations in an")
	fmt.Println("outbox, push them with idempotency keys and pull ledger entries per entity type.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println("  offsync/    ledger server: push, pull, invariants, JWT, metrics, AMQP notifications")
	fmt.Println("  offsqlite/  offline client: outbox, watermarks, sync coordinator, conflict resolution")
	fmt.Println()

	fmt.Println("Examples:")
	fmt.Println()
	fmt.Println("1. Ledger server (examples/ledger_server/)")
	fmt.Println("   Clinic sync server with patient, practitioner and appointment entities")
	fmt.Println("   Run: DATABASE_URL=postgres://... go run ./examples/ledger_server")
	fmt.Println()
	fmt.Println("2. Offline client (examples/offline_client/)")
	fmt.Println("   Command line client that works offline and syncs when the server is reachable")
	fmt.Println("   Run: go run ./examples/offline_client create patient --data '{\"mrn\":\"MRN-1\"}'")
	fmt.Println("        go run ./examples/offline_client sync")
	fmt.Println()
}
