// Copyright 2025 Curious Hiba
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("📦 warehouse-tracker sync engine")
	fmt.Println("================================")
	fmt.Println()
	fmt.Println("Client-resident offline synchronization for the warehouse tracker:")
	fmt.Println("persistent operation queues, optimistic cache overlay, and a sync")
	fmt.Println("orchestrator with last-write-wins conflict resolution.")
	fmt.Println()
	fmt.Println("📚 Packages:")
	fmt.Println()
	fmt.Println("  syncstore/  Durable SQLite collection store with JSON secondary")
	fmt.Println("              indexes and versioned, additive schema migrations")
	fmt.Println()
	fmt.Println("  invsync/    Operation queues (creates, edits, archives, stock")
	fmt.Println("              transactions), pending-image queue, cache projection,")
	fmt.Println("              and the sync orchestrator + remote API client")
	fmt.Println()
	fmt.Println("Embed invsync.Engine in the app; UI layers poll Engine.State() and")
	fmt.Println("read inventory through the projection.")
}
