package controllers

import (
	"github.com/am6737/meshpeer/api"
	"github.com/am6737/meshpeer/api/interfaces"
	"github.com/am6737/meshpeer/filter"
	"github.com/sirupsen/logrus"
)

var _ interfaces.FrameWriter = &LogFrameWriter{}

// LogFrameWriter is the FrameWriter used when no virtual interface is
// attached: accepted frames are only logged.
type LogFrameWriter struct {
	Logger *logrus.Logger
}

func (w *LogFrameWriter) WriteFrame(from api.NodeAddress, etherType uint16, frame []byte) error {
	w.Logger.WithFields(logrus.Fields{
		"from":      from,
		"ethertype": filter.EtherTypeName(etherType),
		"len":       len(frame),
	}).Debug("Frame received")
	return nil
}
