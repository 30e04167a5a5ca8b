package ata

import "strings"

// Status is a snapshot of the status register. Every read of the register
// yields a fresh value; a Status never changes after it is read.
type Status uint8

const (
	StatusERR  Status = 1 << 0 // previous command ended in error
	StatusIDX  Status = 1 << 1 // obsolete index mark
	StatusCORR Status = 1 << 2 // obsolete corrected data
	StatusDRQ  Status = 1 << 3 // ready to transfer a data block
	StatusSRV  Status = 1 << 4 // overlapped service request
	StatusDF   Status = 1 << 5 // drive fault, does not set ERR
	StatusRDY  Status = 1 << 6
	StatusBSY  Status = 1 << 7

	// statusFloating is what an empty bus reads back through its pull-ups.
	statusFloating Status = 0xff
)

func (s Status) Busy() bool        { return s&StatusBSY != 0 }
func (s Status) Ready() bool       { return s&StatusRDY != 0 }
func (s Status) DataRequest() bool { return s&StatusDRQ != 0 }
func (s Status) Err() bool         { return s&StatusERR != 0 }
func (s Status) DeviceFault() bool { return s&StatusDF != 0 }

// Failed reports ERR or DF. Neither is meaningful while BSY is set.
func (s Status) Failed() bool { return !s.Busy() && s&(StatusERR|StatusDF) != 0 }

var statusNames = [8]string{"ERR", "IDX", "CORR", "DRQ", "SRV", "DF", "RDY", "BSY"}

func (s Status) String() string {
	if s == 0 {
		return "0"
	}
	var parts []string
	for i := 7; i >= 0; i-- {
		if s&(1<<i) != 0 {
			parts = append(parts, statusNames[i])
		}
	}
	return strings.Join(parts, "|")
}

// ErrorReg is the error register, valid when ERR is set.
type ErrorReg uint8

const (
	ErrAMNF  ErrorReg = 1 << 0 // address mark not found
	ErrTKZNF ErrorReg = 1 << 1 // track zero not found
	ErrABRT  ErrorReg = 1 << 2 // command aborted
	ErrMCR   ErrorReg = 1 << 3 // media change request
	ErrIDNF  ErrorReg = 1 << 4 // sector id not found
	ErrMC    ErrorReg = 1 << 5 // media changed
	ErrUNC   ErrorReg = 1 << 6 // uncorrectable data
	ErrBBK   ErrorReg = 1 << 7 // bad block
)

var errorRegNames = [8]string{"AMNF", "TKZNF", "ABRT", "MCR", "IDNF", "MC", "UNC", "BBK"}

func (e ErrorReg) String() string {
	if e == 0 {
		return "0"
	}
	var parts []string
	for i := 0; i < 8; i++ {
		if e&(1<<i) != 0 {
			parts = append(parts, errorRegNames[i])
		}
	}
	return strings.Join(parts, "|")
}
