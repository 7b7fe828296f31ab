// Command referrald runs the referral commission service: provider
// webhooks, the referral API, the notification outbox and the ledger sweeps.
package main

func main() {
	Execute()
}
