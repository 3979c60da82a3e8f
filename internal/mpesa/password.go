package mpesa

import (
	"encoding/base64"
	"time"
)

const timestampLayout = "20060102150405"

// eat is the gateway's local time zone. The password timestamp must be
// expressed in it.
var eat = time.FixedZone("EAT", 3*60*60)

func Timestamp(t time.Time) string {
	return t.In(eat).Format(timestampLayout)
}

// Password derives the STK push password from the shortcode, passkey and the
// request timestamp.
func Password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}
