// Secops - Continuous Misconfiguration Remediation
// Scan. Triage. Fix. Verify.
package main

func main() {
	Execute()
}
