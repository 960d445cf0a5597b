//go:build !unix

package session

import "errors"

var errSignalsUnsupported = errors.New("session: job control signals unsupported on this platform")

func stopProcess(int) error     { return errSignalsUnsupported }
func continueProcess(int) error { return errSignalsUnsupported }
func pidAlive(pid int) bool     { return pid > 0 }
func isProcessGone(error) bool  { return false }
