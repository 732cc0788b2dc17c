package courierstack

import "github.com/sirupsen/logrus"

// baseLogger resolves the *logrus.Entry an embedding application
// configures once via WithLogger, falling back to the standard logger.
// Every subsystem constructor (hci.New, l2cap.New, att.NewServer,
// rfcomm.NewMux, pairing.New) takes this same entry and appends its
// own "component" field, so Stack never builds per-subsystem loggers
// itself — it only resolves the one shared base.
func baseLogger(base *logrus.Entry) *logrus.Entry {
	if base == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return base
}
