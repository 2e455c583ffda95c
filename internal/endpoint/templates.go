package endpoint

import (
	"bytes"
	"encoding/xml"
	"strings"
	"text/template"

	"wemoemu/internal/device"
)

const (
	setupPath        = "/setup.xml"
	eventServicePath = "/eventservice.xml"
	metaInfoPath     = "/metainfoservice.xml"
	controlPath      = "/upnp/control/basicevent1"
)

var funcs = template.FuncMap{"xml": xmlEscape}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

var setupTemplate = template.Must(template.New("setup").Funcs(funcs).Parse(`<?xml version="1.0"?>
<root xmlns="urn:Belkin:device-1-0">
  <specVersion>
    <major>1</major>
    <minor>0</minor>
  </specVersion>
  <device>
    <deviceType>{{.DeviceType}}</deviceType>
    <friendlyName>{{xml .Identity.Name}}</friendlyName>
    <manufacturer>{{xml .Manufacturer}}</manufacturer>
    <modelName>{{.ModelName}}</modelName>
    <modelNumber>{{.ModelNumber}}</modelNumber>
    <UDN>{{.Identity.UDN}}</UDN>
    <serialNumber>{{.Identity.Serial}}</serialNumber>
    <binaryState>0</binaryState>
    <serviceList>
      <service>
        <serviceType>{{.BasicEventServiceType}}</serviceType>
        <serviceId>{{.BasicEventServiceID}}</serviceId>
        <controlURL>` + controlPath + `</controlURL>
        <eventSubURL>/upnp/event/basicevent1</eventSubURL>
        <SCPDURL>` + eventServicePath + `</SCPDURL>
      </service>
      <service>
        <serviceType>{{.MetaInfoServiceType}}</serviceType>
        <serviceId>{{.MetaInfoServiceID}}</serviceId>
        <controlURL>/upnp/control/metainfo1</controlURL>
        <eventSubURL>/upnp/event/metainfo1</eventSubURL>
        <SCPDURL>` + metaInfoPath + `</SCPDURL>
      </service>
    </serviceList>
  </device>
</root>
`))

const eventServiceXML = `<?xml version="1.0"?>
<scpd xmlns="urn:Belkin:service-1-0">
  <specVersion>
    <major>1</major>
    <minor>0</minor>
  </specVersion>
  <actionList>
    <action>
      <name>SetBinaryState</name>
      <argumentList>
        <argument>
          <retval/>
          <name>BinaryState</name>
          <relatedStateVariable>BinaryState</relatedStateVariable>
          <direction>in</direction>
        </argument>
      </argumentList>
    </action>
    <action>
      <name>GetBinaryState</name>
      <argumentList>
        <argument>
          <retval/>
          <name>BinaryState</name>
          <relatedStateVariable>BinaryState</relatedStateVariable>
          <direction>out</direction>
        </argument>
      </argumentList>
    </action>
  </actionList>
  <serviceStateTable>
    <stateVariable sendEvents="yes">
      <name>BinaryState</name>
      <dataType>Boolean</dataType>
      <defaultValue>0</defaultValue>
    </stateVariable>
    <stateVariable sendEvents="yes">
      <name>level</name>
      <dataType>string</dataType>
      <defaultValue>0</defaultValue>
    </stateVariable>
  </serviceStateTable>
</scpd>
`

const metaInfoServiceXML = `<?xml version="1.0"?>
<scpd xmlns="urn:Belkin:service-1-0">
  <specVersion>
    <major>1</major>
    <minor>0</minor>
  </specVersion>
  <actionList>
    <action>
      <name>GetMetaInfo</name>
      <argumentList>
        <retval />
        <name>GetMetaInfo</name>
        <relatedStateVariable>MetaInfo</relatedStateVariable>
        <direction>in</direction>
      </argumentList>
    </action>
  </actionList>
  <serviceStateTable>
    <stateVariable sendEvents="yes">
      <name>MetaInfo</name>
      <dataType>string</dataType>
      <defaultValue>0</defaultValue>
    </stateVariable>
  </serviceStateTable>
</scpd>
`

var responseTemplate = template.Must(template.New("response").Parse(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
  <s:Body>
    <u:{{.Action}}Response xmlns:u="urn:Belkin:service:basicevent:1">
      <BinaryState>{{.BinaryState}}</BinaryState>
    </u:{{.Action}}Response>
  </s:Body>
</s:Envelope>
`))

var faultTemplate = template.Must(template.New("fault").Funcs(funcs).Parse(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
  <s:Body>
    <s:Fault>
      <faultcode>s:Client</faultcode>
      <faultstring>UPnPError</faultstring>
      <detail>
        <UPnPError xmlns="urn:schemas-upnp-org:control-1-0">
          <errorCode>{{.Code}}</errorCode>
          <errorDescription>{{xml .Description}}</errorDescription>
        </UPnPError>
      </detail>
    </s:Fault>
  </s:Body>
</s:Envelope>
`))

// UPnP control error codes.
const (
	upnpInvalidAction = 401
	upnpInvalidArgs   = 402
)

type setupData struct {
	Identity              device.Identity
	DeviceType            string
	Manufacturer          string
	ModelName             string
	ModelNumber           string
	BasicEventServiceType string
	BasicEventServiceID   string
	MetaInfoServiceType   string
	MetaInfoServiceID     string
}

func renderSetup(id device.Identity) ([]byte, error) {
	var buf bytes.Buffer
	err := setupTemplate.Execute(&buf, setupData{
		Identity:              id,
		DeviceType:            device.DeviceType,
		Manufacturer:          device.Manufacturer,
		ModelName:             device.ModelName,
		ModelNumber:           device.ModelNumber,
		BasicEventServiceType: device.BasicEventServiceType,
		BasicEventServiceID:   device.BasicEventServiceID,
		MetaInfoServiceType:   device.MetaInfoServiceType,
		MetaInfoServiceID:     device.MetaInfoServiceID,
	})
	return buf.Bytes(), err
}

func renderResponse(res device.Result) ([]byte, error) {
	action := actionGetBinaryState
	if res.Action != device.ActionGetState {
		action = actionSetBinaryState
	}
	var buf bytes.Buffer
	err := responseTemplate.Execute(&buf, struct {
		Action      string
		BinaryState string
	}{action, res.BinaryState()})
	return buf.Bytes(), err
}

func renderFault(code int, description string) []byte {
	var buf bytes.Buffer
	// the template only fails on writer errors, which bytes.Buffer never returns
	_ = faultTemplate.Execute(&buf, struct {
		Code        int
		Description string
	}{code, description})
	return buf.Bytes()
}
