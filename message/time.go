package message

// RFC5322Z is the date-time format for Date and Received headers.
const RFC5322Z = "2 Jan 2006 15:04:05 -0700"
