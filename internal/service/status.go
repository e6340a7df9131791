// internal/service/status.go
package service

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"serial-terminal/internal/model"
)

const (
	msgReady              = "status.ready"
	msgConnecting         = "status.connecting"
	msgConnected          = "status.connected"
	msgConnectFailed      = "status.connect_failed"
	msgDisconnecting      = "status.disconnecting"
	msgDisconnected       = "status.disconnected"
	msgSent               = "status.sent"
	msgSendFailed         = "status.send_failed"
	msgSendFailedClosed   = "status.send_failed_closed"
	msgReceived           = "status.received"
	msgFormatError        = "status.format_error"
	msgFoundPorts         = "status.found_ports"
	msgPortSwitched       = "status.port_switched"
	msgCountersReset      = "status.counters_reset"
	msgEnumerationFailed  = "status.enumeration_failed"
	msgOpenError          = "status.open_error"
	msgCloseError         = "status.close_error"
	msgWriteError         = "status.write_error"
	msgReadError          = "status.read_error"
	msgUnexpectedError    = "status.error"
	msgConnectionLost     = "status.connection_lost"
	msgConfigChanged      = "status.config_changed"
	msgReceiveModeChanged = "status.receive_mode"
)

var supportedLanguages = []language.Tag{
	language.English,
	language.SimplifiedChinese,
}

var languageMatcher = language.NewMatcher(supportedLanguages)

func init() {
	message.SetString(language.English, msgReady, "Ready")
	message.SetString(language.English, msgConnecting, "Connecting to %s...")
	message.SetString(language.English, msgConnected, "Connected to %s")
	message.SetString(language.English, msgConnectFailed, "Connection failed: %v")
	message.SetString(language.English, msgDisconnecting, "Disconnecting...")
	message.SetString(language.English, msgDisconnected, "Disconnected")
	message.SetString(language.English, msgSent, "Sent %d bytes")
	message.SetString(language.English, msgSendFailed, "Send failed: %v")
	message.SetString(language.English, msgSendFailedClosed, "Send failed, connection closed")
	message.SetString(language.English, msgReceived, "Received %d bytes")
	message.SetString(language.English, msgFormatError, "Input format error: %v")
	message.SetString(language.English, msgFoundPorts, "Found %d ports")
	message.SetString(language.English, msgPortSwitched, "Found %d ports, switched to %s")
	message.SetString(language.English, msgCountersReset, "Counters reset")
	message.SetString(language.English, msgEnumerationFailed, "Failed to refresh port list: %v")
	message.SetString(language.English, msgOpenError, "Open error: %v")
	message.SetString(language.English, msgCloseError, "Close error: %v")
	message.SetString(language.English, msgWriteError, "Write error: %v")
	message.SetString(language.English, msgReadError, "Read error: %v")
	message.SetString(language.English, msgUnexpectedError, "Error: %v")
	message.SetString(language.English, msgConnectionLost, "Connection lost")
	message.SetString(language.English, msgConfigChanged, "Settings updated: %s")
	message.SetString(language.English, msgReceiveModeChanged, "Receive display: %s")

	message.SetString(language.SimplifiedChinese, msgReady, "就绪")
	message.SetString(language.SimplifiedChinese, msgConnecting, "正在连接 %s...")
	message.SetString(language.SimplifiedChinese, msgConnected, "已连接到 %s")
	message.SetString(language.SimplifiedChinese, msgConnectFailed, "连接失败: %v")
	message.SetString(language.SimplifiedChinese, msgDisconnecting, "正在断开连接...")
	message.SetString(language.SimplifiedChinese, msgDisconnected, "已断开连接")
	message.SetString(language.SimplifiedChinese, msgSent, "发送成功: %d 字节")
	message.SetString(language.SimplifiedChinese, msgSendFailed, "发送失败: %v")
	message.SetString(language.SimplifiedChinese, msgSendFailedClosed, "发送失败，连接已断开")
	message.SetString(language.SimplifiedChinese, msgReceived, "接收到 %d 字节")
	message.SetString(language.SimplifiedChinese, msgFormatError, "输入格式错误: %v")
	message.SetString(language.SimplifiedChinese, msgFoundPorts, "找到 %d 个可用串口")
	message.SetString(language.SimplifiedChinese, msgPortSwitched, "找到 %d 个可用串口，已切换到 %s")
	message.SetString(language.SimplifiedChinese, msgCountersReset, "计数器已重置")
	message.SetString(language.SimplifiedChinese, msgEnumerationFailed, "刷新串口列表失败: %v")
	message.SetString(language.SimplifiedChinese, msgOpenError, "打开串口错误: %v")
	message.SetString(language.SimplifiedChinese, msgCloseError, "关闭串口错误: %v")
	message.SetString(language.SimplifiedChinese, msgWriteError, "写入错误: %v")
	message.SetString(language.SimplifiedChinese, msgReadError, "读取错误: %v")
	message.SetString(language.SimplifiedChinese, msgUnexpectedError, "错误: %v")
	message.SetString(language.SimplifiedChinese, msgConnectionLost, "连接已断开")
	message.SetString(language.SimplifiedChinese, msgConfigChanged, "设置已更新: %s")
	message.SetString(language.SimplifiedChinese, msgReceiveModeChanged, "接收显示: %s")
}

// statusPrinter renders status messages in one language
type statusPrinter struct {
	tag     language.Tag
	printer *message.Printer
}

func newStatusPrinter(tag language.Tag) *statusPrinter {
	_, index, _ := languageMatcher.Match(tag)
	matched := supportedLanguages[index]
	return &statusPrinter{
		tag:     matched,
		printer: message.NewPrinter(matched),
	}
}

func (p *statusPrinter) text(key string, args ...interface{}) string {
	return p.printer.Sprintf(key, args...)
}

func (p *statusPrinter) errorText(kind model.ErrorKind, detail string) string {
	switch kind {
	case model.ErrorKindPortEnumeration:
		return p.text(msgEnumerationFailed, detail)
	case model.ErrorKindOpen:
		return p.text(msgOpenError, detail)
	case model.ErrorKindClose:
		return p.text(msgCloseError, detail)
	case model.ErrorKindWrite:
		return p.text(msgWriteError, detail)
	case model.ErrorKindRead:
		return p.text(msgReadError, detail)
	case model.ErrorKindFormat:
		return p.text(msgFormatError, detail)
	default:
		return p.text(msgUnexpectedError, detail)
	}
}
