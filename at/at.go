package at

import "strconv"

const (
	// Terminal Control
	CRLF   = "\r\n"
	Prompt = "> "
	CtrlZ  = "\x1a"

	// Response Codes
	OK         = "OK"
	ERROR      = "ERROR"
	NoCarrier  = "NO CARRIER"
	NoDialtone = "NO DIALTONE"
	Busy       = "BUSY"
	NoAnswer   = "NO ANSWER"
	Connect    = "CONNECT"
	CmeError   = "+CME ERROR:"
	CmsError   = "+CMS ERROR:"

	// URCs (Unsolicited Result Codes)
	UrcNewMsg         = "+CMTI:"
	UrcStatusReport   = "+CDS:"
	UrcMessageReport  = "+CDSI:"
	UrcCallerID       = "+CLIP:"
	UrcDTMF           = "+DTMF:"
	UrcSignalStrength = "+CSQ:"
	UrcCall           = "RING"

	// SIM states reported by AT+CPIN?
	SimReady = "READY"
	SimPin   = "SIM PIN"
	SimPuk   = "SIM PUK"
)

// Commands issued by the engine and the machines built on it.
const (
	CmdAt             = "AT"
	CmdEchoOff        = "ATE0"
	CmdVerboseErrors  = "AT+CMEE=2"
	CmdSetTextMode    = "AT+CMGF=1"
	CmdCallerID       = "AT+CLIP=1"
	CmdMessageRouting = "AT+CNMI=2,1,0,1,0"
	CmdAudioRoute     = "AT+CHFA=1"
	CmdSimStatus      = "AT+CPIN?"
	CmdSignalQuality  = "AT+CSQ"
	CmdRegistration   = "AT+CREG?"
	CmdBattery        = "AT+CBC"
	CmdTemperature    = "AT+CMTE?"
	CmdStorage        = "AT+CPMS?"
	CmdManufacturer   = "AT+CGMI"
	CmdModel          = "AT+CGMM"
	CmdRevision       = "AT+CGMR"
	CmdIMEI           = "AT+CGSN"
	CmdOperator       = "AT+COPS?"
	CmdAnswer         = "ATA"
	CmdHangup         = "ATH"
	CmdCallList       = "AT+CLCC"
	CmdHold           = "AT+CHLD=2"
	CmdResume         = "AT+CHLD=1"
	CmdDeregister     = "AT+COPS=2"
	CmdAutoRegister   = "AT+COPS=0"
	CmdSoftReset      = "AT+CFUN=1,1"
	CmdFactoryProfile = "ATZ"
	CmdPurgeMessages  = "AT+CMGD=1,4"
	CmdListUnread     = `AT+CMGL="REC UNREAD"`
	CmdListRead       = `AT+CMGL="REC READ"`
)

// Dial builds the voice-call dial string for a number. The trailing
// semicolon selects voice mode; without it the modem attempts a data call.
func Dial(number string) string {
	return "ATD" + number + ";"
}

// SendDTMF builds the DTMF transmission command for a single digit.
func SendDTMF(digit byte) string {
	return "AT+VTS=" + string(digit)
}

// SendSMS builds the SMS submission command for a destination number.
// The modem answers with the "> " prompt; the body follows, terminated
// by Ctrl-Z.
func SendSMS(destination string) string {
	return `AT+CMGS="` + destination + `"`
}

// DeleteSMS builds the delete command for a message at a storage index.
func DeleteSMS(index int) string {
	return "AT+CMGD=" + strconv.Itoa(index)
}

// EnterPIN builds the SIM PIN entry command.
func EnterPIN(pin string) string {
	return `AT+CPIN="` + pin + `"`
}

type ResponseType int

const (
	TypeFinal  ResponseType = iota // OK, ERROR
	TypeURC                        // Asynchronous notifications
	TypeData                       // Intermediate command output (+CSQ: ...)
	TypePrompt                     // SMS input prompt
)
