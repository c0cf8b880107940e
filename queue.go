package main

import (
	"fmt"
	"os"
)

func cmdQueueList(c *cmd) {
	c.help = `List messages in the delivery queue.

Each message is listed with its id, time of queueing, sender, remaining
recipients, number of failed delivery attempts, time until the next attempt
and the last delivery error.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()
	ctlcmdQueueList(xctl())
}

func ctlcmdQueueList(ctl *ctl) {
	ctl.xwrite("queuelist")
	ctl.xreadok()
	ctl.xstreamto(os.Stdout)
}

func cmdQueueKick(c *cmd) {
	c.params = "[id]"
	c.help = `Schedule messages in the queue for immediate delivery.

Without id, all messages are made due. The retry processor is woken up, it
does not wait for the next poll interval.
`
	args := c.Parse()
	if len(args) > 1 {
		c.Usage()
	}
	var id string
	if len(args) == 1 {
		id = args[0]
	}
	mustLoadConfig()
	n := ctlcmdQueueKick(xctl(), id)
	fmt.Printf("%s message(s) scheduled for delivery\n", n)
}

func ctlcmdQueueKick(ctl *ctl, id string) string {
	ctl.xwrite("queuekick")
	ctl.xwrite(id)
	ctl.xreadok()
	return ctl.xread()
}

func cmdQueueDrop(c *cmd) {
	c.params = "id"
	c.help = `Remove a message from the queue.

The message is not delivered, and no bounce is sent to the sender.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()
	ctlcmdQueueDrop(xctl(), args[0])
	fmt.Println("message dropped")
}

func ctlcmdQueueDrop(ctl *ctl, id string) {
	ctl.xwrite("queuedrop")
	ctl.xwrite(id)
	ctl.xreadok()
}
